// Package integration runs a whole cluster in one process: a balancer, a
// resource server and any number of chat servers, each on loopback ports,
// wired together exactly as the commands wire them.
package integration
