// Package ws implements the WebSocket hub for pipewatch-server.
//
// Hub keeps a set of connected UI clients and pushes the active insight set
// to all of them whenever a recompute publishes a result, plus on a slow
// keep-alive interval so late or lossy clients converge.
//
// Message format sent to clients:
//
//	{
//	  "event": "insights",
//	  "data":  { /* same schema as GET /api/v1/insights */ }
//	}
//
// The upgrader accepts all origins; restrict them at the reverse proxy. The
// endpoint is mounted at /ws/stream by the server.
package ws
