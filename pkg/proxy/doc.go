// Package proxy implements the HTTP endpoints the player fetches audio
// through:
//
//	GET    /api/audio?url=<upstream>  stream an upstream file, forwarding Range
//	GET    /api/r2?key=<object>       stream an object from the storage bucket
//	DELETE /api/cache                 purge the persistent audio store
//
// Bodies are streamed, never buffered whole.
package proxy
