package eventstore

import "fmt"

var (
	// ErrNoStoreExists is returned when the event database file is
	// missing and creation was not requested.
	ErrNoStoreExists = fmt.Errorf("event store has not yet been created")

	// ErrEventExists names the duplicate-id condition. WriteEvent does
	// not return it: a duplicate id makes WriteEvent return (false, nil).
	ErrEventExists = fmt.Errorf("event with this id already exists")

	// ErrEventNotFound is returned when a lookup by id finds no row.
	ErrEventNotFound = fmt.Errorf("unable to locate event")

	// ErrClientNotFound is returned when a lookup by client id finds no
	// row.
	ErrClientNotFound = fmt.Errorf("unable to locate client")

	// ErrNoEventsStored is returned by GetLastCumulativeHash when the
	// event table is empty.
	ErrNoEventsStored = fmt.Errorf("no events stored")
)
