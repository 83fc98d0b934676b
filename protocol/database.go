package protocol

// DatabaseID names a logical database. It prefixes every backup object of
// the database and routes replication streams within a multi-database process.
type DatabaseID string

// Validate returns an error if the DatabaseID is not a valid token.
func (id DatabaseID) Validate() error {
	return ValidateToken(string(id), minDatabaseIDLen, maxDatabaseIDLen)
}

// String returns the DatabaseID as a string.
func (id DatabaseID) String() string { return string(id) }

const (
	minDatabaseIDLen, maxDatabaseIDLen = 1, 128
)
