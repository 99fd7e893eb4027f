// Package domain defines the core entities of the repackaging service: the
// task record, its status state machine and the invariants every update must
// preserve (terminal states are final, progress never goes backwards within
// an attempt, an error is present exactly when the task failed).
package domain
