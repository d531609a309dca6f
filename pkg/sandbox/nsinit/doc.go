// Package nsinit is the init process of a namespace sandbox. It runs as
// PID 1 inside fresh user, mount, pid, ipc and uts namespaces, builds the
// sandbox root, starts the action and reports back over the protocol.
//
// The action's stdout and stderr are inherited file descriptors 3 and 4.
// When the init process exits the kernel kills everything left in the pid
// namespace.
package nsinit
