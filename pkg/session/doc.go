/*
Package session serializes access to task records.

A Manager owns one ref-counted mutex per thread ID, optionally layered over a
distributed lock, so that at most one driver step runs against a thread at any
time while different threads proceed in parallel.
*/
package session
