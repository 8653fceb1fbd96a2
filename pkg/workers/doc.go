/*
Package workers provides the standard steps of the alloy analysis loop:
validator, analyst, optimizer and experimenter.

Each worker is a thin shell over a Backend that does the actual domain work
(a model call, a solver, a LIMS integration). The worker decides which
payload keys the backend output lands on.
*/
package workers
