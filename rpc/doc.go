/*
Package rpc provides both halves of the request/response/command channel between the UI process (the "frontend") and the local backend service. It uses a single persistent WebSocket connection, and every message is one JSON-encoded text frame.

There are three kinds of frames, all described in types.go:

1. Request frames are sent frontend->backend and carry "request" (the command name) and "requestId" (a correlation id), plus any command-specific fields.
2. Reply frames are sent backend->frontend and echo the request frame, adding "result" (a status code) and any command-specific fields.
3. Push frames are sent backend->frontend at any time and carry "command" and "attributes" instead of "requestId".

The frontend half is Channel. It tracks outstanding requests by correlation id, fails them on timeout or when the connection drops, and reconnects after a fixed delay unless the connection was closed with StatusFinal or Shutdown was called.

The backend half is Server. It retains only the most recently accepted connection as the target for pushes, and dispatches every request frame to a Handler.
*/
package rpc
