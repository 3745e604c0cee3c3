// Package inotify is a userspace core for the Linux inotify facility.
//
// A Controller owns one notification channel, the watches registered on it
// and the decoding of the raw event stream into Event values. Watch
// registration is safe for concurrent use; reading is single-reader: at most
// one goroutine should call ReadEvents (or drive a Stream) per Controller.
//
// Failures are reported as *Error values carrying a Kind and, when the kernel
// produced one, the errno. Use errors.Is against the Err* sentinels:
//
//	if _, err := ctrl.AddWatch(path, inotify.MaskCreate); errors.Is(err, inotify.ErrPathNotFound) {
//		...
//	}
//
// Queue overflow is not an error: it arrives as an Event whose Overflowed
// method reports true.
package inotify
