package core

import "os"

// APIVersion is the path segment under which the HTTP API is mounted.
const APIVersion = "v0"

func GetVersion() string {
	if version := os.Getenv("TASKVISOR_API_VERSION"); version != "" {
		return version
	}
	return APIVersion
}
