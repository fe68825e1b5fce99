// Package relay holds the job handoff core: the Result and ForwardTask types,
// the interfaces the relay depends on, and the Broker that bridges an inbound
// callback to any number of suspended polls.
//
// Lifecycle of a job:
//   - the upload handler generates an ID and enqueues a ForwardTask;
//   - a forward worker relays the files to the webhook, resolving the job with a
//     failure payload when the forward cannot be completed;
//   - the webhook owner later calls back with a JSON payload, which the Broker
//     stores and hands to every waiter registered for that ID;
//   - pollers either find the stored result at once or wait up to the poll
//     timeout for the callback.
package relay
