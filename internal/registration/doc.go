// Package registration runs the device registration workflow.
//
// One attempt moves through a fixed sequence of phases:
//
//	START -> CHECKING -> ALREADY_BOUND_HERE ----------------------> NOTIFYING -> DONE
//	                  -> BOUND_ELSEWHERE_OR_ABSENT ---------------> NOTIFYING -> DONE
//	                  -> PROVISIONING -> COMMITTING --------------> NOTIFYING -> DONE
//
// FAILED is entered from CHECKING, PROVISIONING or COMMITTING and also
// continues to NOTIFYING. Every attempt ends with exactly one outcome and
// exactly one notification to the requesting gateway, whichever branch it
// took.
//
// Steps run strictly in order. Each store or authority call carries its
// own timeout and holds its resource for that call only; nothing is held
// across the provisioning round trip. The commit is a conditional bind,
// so of two attempts racing for the same unbound device exactly one wins
// and the other ends in race_lost.
//
// An attempt has no external cancellation: once started it runs to a
// terminal phase. Submit runs attempts in the background and Shutdown
// waits for them.
package registration
