// ABOUTME: Entry point for the whiteboard server, MCP server, and CLI
// ABOUTME: Hands off to the cobra command tree
package main

import "github.com/harperreed/whiteboard/cli"

const version = "0.2.0"

func main() {
	cli.Execute(version)
}
