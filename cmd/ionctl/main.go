// Command ionctl is the command line client for iond.
package main

func main() {
	execute()
}
