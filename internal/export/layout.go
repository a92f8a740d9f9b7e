package export

import (
	"fmt"
	"path/filepath"
)

// JobDir is the per-job output directory {basePath}/{jobID}.
func JobDir(basePath, jobID string) string {
	return filepath.Join(basePath, jobID)
}

// FragmentPath is where batch n of a job writes its fragment.
func FragmentPath(basePath, jobID string, n int) string {
	return filepath.Join(JobDir(basePath, jobID), FragmentName(jobID, n))
}

// FragmentName is the file name of batch n's fragment.
func FragmentName(jobID string, n int) string {
	return fmt.Sprintf("%s_batch_%d.xlsx", jobID, n)
}

// FinalPath is the combined artifact path; ext is "xlsx" or "zip".
func FinalPath(basePath, jobID, ext string) string {
	return filepath.Join(JobDir(basePath, jobID), fmt.Sprintf("%s_final.%s", jobID, ext))
}
