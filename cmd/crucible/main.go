// Command crucible serves, drives and inspects crucible tasks.
package main

func main() {
	Execute()
}
