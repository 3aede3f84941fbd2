// Package chathttp exposes a chatservice over HTTP. It mounts as a standard
// net/http handler and serves every transport on a single endpoint path, so
// request-class and stream-class clients address the same logical endpoint.
//
// Transports
//   - POST: one request envelope in, one response envelope out.
//   - GET with Upgrade: websocket: a multiplexed streaming protocol. The first
//     frame is connection_init; operations are then started with subscribe
//     frames under client-chosen ids and stopped with complete.
//   - GET with Accept: text/event-stream: messageAdded as server-sent events,
//     for clients that cannot open a WebSocket.
//   - GET <path>/schema: JSON Schema of the wire contract.
//
// Construction
//
//	h, err := chathttp.New(
//	    ctx,
//	    "https://chat.example/graphql", // public endpoint
//	    svc,                            // *chatservice.Service
//	    authenticator,                  // auth.Authenticator
//	)
//
// # Authentication
//
// Bearer tokens are read from the Authorization header, or for WebSocket
// clients from the connection_init payload. A request without credentials is
// still dispatched; the service's access guard rejects it. Invalid
// credentials are rejected at the transport with a WWW-Authenticate
// challenge.
//
// # Connection Lifetimes
//
// Every stream is tied to its connection. When the client disconnects, sends
// complete, or ctx passed to New is done, the stream's bus subscription is
// released before the connection handler returns.
package chathttp
