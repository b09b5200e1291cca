/*
Package types defines the shared data model: tasks, nodes, users and the
wire payloads exchanged between the CLI, the host and the runners.

# Core types

  - Task: one unit of work, COMMAND or VPS, identified by a snowflake id
  - Node: one registered runner with its inventory and live metrics
  - OverlayAllocation, IPReservation: VXLAN overlay records
  - User, Session, APIToken, Invitation: the account model

# Wire payloads

RegisterRequest/RegisterResponse, Heartbeat, StatusUpdate, ExecuteRequest,
VPSCreateRequest and SubmitRequest are the JSON documents on the HTTP
surfaces. They are versionless; both sides tolerate unknown fields.

# Errors

APIError attaches an ErrorKind to a message so each transport layer can map
failures uniformly: HTTP handlers pick status codes from the kind, the CLI
picks exit behavior, and internal callers branch on KindOf.
*/
package types
