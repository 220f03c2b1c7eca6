package eventstore

import "fmt"

func errEmptyAppend(aggregateID string) error {
	return fmt.Errorf("eventstore: append to %s with no events", aggregateID)
}
