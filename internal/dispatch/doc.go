// Package dispatch contains the campaign email dispatch core: the gate
// stores coordinating workers through Redis (pause set, usage counters,
// sender delay markers), the provider-code classifier, the reschedule
// engine, the bulk enqueuer and the worker loop that ties them together.
package dispatch
