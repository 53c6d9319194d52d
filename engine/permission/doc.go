// Package permission bridges a script blocked on a capability check and
// whoever answers the prompt.
//
// Each live task owns one buffered channel. The executing goroutine parks
// on it inside Request; Resolve writes the answer onto the task record and
// then sends it; Close releases a parked requester with DENY. Resolve and
// Close serialize on the broker mutex, so a send never races a close.
package permission
