// Package control defines the shared core of the go-devctl messaging layer:
// the Command submitted to a device dispatcher, the response/status Envelope
// multiplexed back over the wire, the response-matching Key, and the
// TaskManager that owns the lifecycle of every background loop in the module.
//
// The wire protocol is deliberately small. A command is a JSON object
//
//	{"target": "pump2", "operation": ["set_flow_rate", [1000], {}], "response": true}
//
// and every server-to-client message is a two-element JSON array tagging the
// payload as either a solicited response or an unsolicited status sample:
//
//	["response", ["pump2", "set_flow_rate", true]]
//	["status",   ["fm1", "get_flow_rate", 0.52]]
//
// Responses are matched to commands by (target, operation) rather than by a
// request ID; the protocol assumes at most one in-flight command per pair.
package control
