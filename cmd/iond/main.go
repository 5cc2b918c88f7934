// Command iond serves an ion device over gRPC with an HTTP debug surface.
package main

func main() {
	execute()
}
