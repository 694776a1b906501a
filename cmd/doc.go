// Package cmd contains the iocrpc command line: "serve" hosts the status service behind
// a listener, "call" and "status" talk to a running server, "version" prints the build.
//
// Every flag can also be set through the environment as IOCRPC_<FLAG> with dashes
// replaced by underscores (e.g. IOCRPC_CALL_TIMEOUT=30s), or in a .env / .env.local file.
package cmd
