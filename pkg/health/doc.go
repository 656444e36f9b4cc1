// Package health supervises one device session's link and secure channel.
//
// Every Interval the Supervisor asks its Target to probe if the session has
// been idle past IdleThreshold. A link found down counts as a failed probe. FailureThreshold consecutive failures degrade
// the session and trigger exactly one bounded recovery attempt. If recovery
// fails the supervisor stops probing; the session reports DegradedError until
// it is reconnected or re-provisioned, which calls Reset.
//
// Stop follows the lifecycle worker contract: it cancels the task and waits up
// to a timeout, returning lifecycle.ErrShutdownTimeout if the task is stuck.
package health
