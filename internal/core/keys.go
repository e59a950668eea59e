package core

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Object keys are derived from the request's user id only, so the same request always maps
// to the same keys.

type Split string

const (
	TrainSplit Split = "train"
	TestSplit  Split = "test"
)

const SubmissionTimeLayout = "20060102150405"

// UserId identifies a submission as the hex sha256 of the lowercased email and the
// submission time.
func UserId(email string, submissionTime time.Time) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(email)) + "_" + submissionTime.UTC().Format(SubmissionTimeLayout)))
	return hex.EncodeToString(sum[:])
}

func DatasetKey(userId string, split Split) string {
	return userId + "_" + string(split)
}

func UserModelKey(userId string) string {
	return userId + "_model"
}

func TrainedModelKey(userId, modelName string) string {
	return userId + "_trained_" + modelName
}

func ReportKeyPrefix(userId string) string {
	return userId + "_report_"
}
