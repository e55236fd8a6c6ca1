// Package configdb stores the configuration a device server starts from:
// which devices each server instance exports, and the properties of
// devices, attributes and classes.
//
// Two backends implement Database. FileDatabase keeps everything in one
// human editable text file and is what ephemeral test servers use.
// SQLDatabase keeps it in SQLite so several long running servers can share
// one configuration.
//
// Property names compare case-insensitively in both backends. Property
// values are lists of strings; typed decoding is left to the device
// package.
package configdb
