/*
Package stream provides a server and client for streaming diagnostic tool output over WebSockets. Each connection can run one tool at a time, on a pty, and the raw pty output is sent to the client as binary messages.

Sessions are scoped to the WebSocket connection--if the connection dies for any reason, its processes are killed.

Clients send JSON "request" messages keyed by an "action" field, and the server sends JSON "status" messages plus binary output messages. The schema is described in types.go.

The protocol proceeds as follows:

1. The client opens a WebSocket connection with the server.
2. The client sends {"action":"start_tool","tool":"ping","target":"8.8.8.8","params":{"count":3}}.
3. The server replies {"status":"running","session_id":"..."}, or {"status":"error","message":"..."} if the request was invalid or a session is already running.
4. The server sends the tool's output as binary messages while it runs. The client may send resize_terminal and stop_tool messages.
5. When the process exits or is stopped, the server sends {"status":"stopped","session_id":"..."} after the last output message, and the connection can start another tool.

Control messages are applied strictly in the order they are received. Output is sent concurrently, so it can interleave with replies to later control messages.
*/
package stream
