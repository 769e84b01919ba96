// Jarru - Cost Guardrails Engine
// Evaluate. Attach. Roll back.
package main

func main() {
	Execute()
}
