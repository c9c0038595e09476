package testutil

import "fmt"

func errNotFound(what string) error {
	return fmt.Errorf("%s not found", what)
}
