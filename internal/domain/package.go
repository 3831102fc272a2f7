package domain

import (
	"fmt"
	"time"
)

// PackageKind distinguishes the two package families served by the
// distribution service.
type PackageKind string

const (
	PackageKindKeys          PackageKind = "diagnosis-keys"
	PackageKindTraceWarnings PackageKind = "trace-warnings"
)

// PackageKinds lists every kind in download order.
var PackageKinds = []PackageKind{PackageKindKeys, PackageKindTraceWarnings}

// Valid reports whether k is a known kind.
func (k PackageKind) Valid() bool {
	return k == PackageKindKeys || k == PackageKindTraceWarnings
}

// DayPackage is the Hour value of a package covering a whole day.
const DayPackage = -1

// PackageID addresses a day package (Hour == DayPackage) or an hour package.
type PackageID struct {
	Day  Date `json:"day"`
	Hour int  `json:"hour"`
}

// DayID builds the identifier of a day package.
func DayID(day Date) PackageID {
	return PackageID{Day: day, Hour: DayPackage}
}

// HourID builds the identifier of an hour package.
func HourID(day Date, hour int) PackageID {
	return PackageID{Day: day, Hour: hour}
}

// IsHour reports whether the identifier addresses an hour package.
func (id PackageID) IsHour() bool {
	return id.Hour != DayPackage
}

func (id PackageID) String() string {
	if id.IsHour() {
		return fmt.Sprintf("%s/%02d", id.Day, id.Hour)
	}
	return string(id.Day)
}

// Less orders identifiers chronologically, day packages before hours of the
// same day.
func (id PackageID) Less(other PackageID) bool {
	if id.Day != other.Day {
		return id.Day.Before(other.Day)
	}
	return id.Hour < other.Hour
}

// Package is a verified payload committed to local storage.
type Package struct {
	Kind      PackageKind
	ID        PackageID
	Payload   []byte
	FetchedAt time.Time
}

// DownloadOutcome summarises one fetchIfNeeded call.
type DownloadOutcome struct {
	Kind               PackageKind
	NewPackagesFetched bool
	QuotaExhausted     bool
	Fetched            []PackageID
	Error              *DownloadError
}
