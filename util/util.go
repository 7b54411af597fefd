/*
Package util contains functionality that's used across all other modules.
*/
package util

import (
	"log"
	"os"
	"strconv"
)

const defaultPostgresPort = 5432

// GetDatabasePort reads the `DATABASE_PORT` env var, falls back to 5432
func GetDatabasePort() int {
	if databasePortStr := os.Getenv("DATABASE_PORT"); databasePortStr != "" {
		databasePort, err := strconv.Atoi(databasePortStr)
		if err != nil {
			log.Fatalf("given database port (%s) is not a valid int", databasePortStr)
		}
		return databasePort
	}
	return defaultPostgresPort
}

// GetEnvOrElse returns the value of the given environment
// variable, or the provided default value if the env variable
// does not exist
func GetEnvOrElse(env string, defaultValue string) string {
	found := os.Getenv(env)
	if len(found) == 0 {
		return defaultValue
	}
	return found
}
