package main

// Build identity, injected at build time:
//
//	go build -ldflags="-X main.commitHash=${COMMIT_HASH} -X main.buildTime=$(date -u +%Y%m%dT%H%M%SZ)"
var (
	commitHash = "dev"     // short git commit hash
	buildTime  = "unknown" // UTC timestamp (YYYYMMDDTHHMMSSZ)
)
