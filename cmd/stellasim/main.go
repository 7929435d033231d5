// Command stellasim runs the Stella Invicta economic simulation.
package main

func main() {
	Execute()
}
