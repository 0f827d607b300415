/*
Package agent provides an HTTP server and client for running jobs remotely and streaming their output back over WebSockets.

Jobs are scoped to the WebSocket connection--that is, if the connection dies for any reason, the job is cancelled. Each connection runs exactly one job.

There are two endpoints that start jobs:

  - /ws/exec runs a shell command line with "sh -c".
  - /ws/builtin-function runs a package installation through the configured Installer.

Messages are JSON objects with a "type" field. The schema is described in types.go.

The protocol proceeds as follows:

 1. The client opens a WebSocket connection with the server.
 2. The client sends a start message: "run" on /ws/exec, "install" or "install_all" on /ws/builtin-function.
 3. The server streams "normal_line", "normal_partial", "error_line" and "error_partial" messages as the job produces output. Lines have their trailing newline stripped.
 4. The client may send a "stop" message at any time to cancel the job.
 5. When the job ends, the server sends one "exit" message with the code and an optional error message, and closes the connection normally.

If the job cannot be started, the server sends a single "error" message instead of any events and closes the connection.

Output of each stream arrives in the order it was written. Ordering between stdout and stderr is not defined.
*/
package agent
