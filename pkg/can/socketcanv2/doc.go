// Package socketcanv2 talks to a SocketCAN raw socket directly through
// golang.org/x/sys/unix, without any intermediate library. The transport
// only registers itself on linux.
package socketcanv2
