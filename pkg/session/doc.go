/*
Package session connects clients to runs through protocol packets.

A Session streams one run: a snapshot first, then every event in sequence
order, with periodic status heartbeats. If the engine drops the session
because it fell behind, the session subscribes again and starts over with a
fresh snapshot. Inbound packets are routed to the engine by the Hub and
answered with ack or error packets that reference the request's msg_id.
*/
package session
