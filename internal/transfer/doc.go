// Package transfer implements the chunked upload sub-protocol for moving
// G-code files to PrintMesh edge devices.
//
// MQTT message size limits rule out single-message file delivery, so a
// file is split into fixed-size chunks, base64-framed, and published in
// strict sequence to the device's upload topic. Chunk 0 alone carries the
// filename and total size. After the last chunk a commit message asks
// the device to verify and persist the file; the commit verdict arrives
// through the request correlator on the upload result topic.
//
// Finished uploads are optionally recorded in the SQLite-backed transfer
// history for fleet-level reporting.
package transfer
