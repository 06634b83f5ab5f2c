package main

func main() {
	if err := RootCmd.Execute(); err != nil {
		Exit(1)
	}
}
