package storage

// Package storage persists moderation state across restarts.
//
// It currently holds:
//   - Pending join verifications
//   - The user block list
//   - Managed channels and their autopost settings
//   - The autopost content pool and rotation cursor
//   - The member activity log feeding CSV reports
