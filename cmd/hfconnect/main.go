// Command hfconnect serves the Hugging Face OAuth routes.
package main

func main() {
	Execute()
}
