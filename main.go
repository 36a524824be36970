/*
Copyright © 2022 Nicholas McKinney
*/
package main

import "evbunpack/cmd"

func main() {
	cmd.Execute()
}
