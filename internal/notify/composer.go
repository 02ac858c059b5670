package notify

import (
	"fmt"

	"depscan-service/internal/model"
)

// Composers build notification content from a session+file snapshot. They are
// pure: same snapshot, same message.

func ComposeUploadFailed(session *model.ScanSession, file *model.DependencyFile, errorMessage string) Message {
	return Message{
		Subject: fmt.Sprintf("File Upload Failed in Commit: %s", session.CommitName),
		Lines: []string{
			"The upload of your scan report failed. Please check the details and try again.",
			"The following file in this commit has issues:",
			fmt.Sprintf("File Name: %s", file.Filename),
			fmt.Sprintf("Error: %s", errorMessage),
		},
	}
}

func ComposeInProgress(session *model.ScanSession, files []model.DependencyFile) Message {
	lines := []string{
		"Your scan is in progress. Here are the details:",
		fmt.Sprintf("Repo Name: %s", session.RepositoryName),
		fmt.Sprintf("Commit Name: %s", session.CommitName),
		fmt.Sprintf("Total Vulnerabilities Found So Far: %d", session.VulnerabilityCount),
	}
	lines = append(lines, fileProgressLines(files)...)

	return Message{
		Subject: "Scan In Progress",
		Lines:   lines,
	}
}

func ComposeCompleted(session *model.ScanSession, files []model.DependencyFile) Message {
	lines := []string{
		"Your scan is completed. Here are the details:",
		fmt.Sprintf("Repo Name: %s", session.RepositoryName),
		fmt.Sprintf("Commit Name: %s", session.CommitName),
		fmt.Sprintf("Total Vulnerabilities Found: %d", session.VulnerabilityCount),
	}

	if len(files) == 0 {
		lines = append(lines, "File Details: No files processed")
	} else {
		lines = append(lines, "File Details:")
		for _, file := range files {
			lines = append(lines, fmt.Sprintf("- %s: %d vulnerabilities", file.Filename, file.VulnerabilitiesFound))
		}
	}

	return Message{
		Subject: "Scan Completed",
		Lines:   lines,
	}
}

// ComposeSweepSummary is the side-channel one-liner sent for every session a
// reconciliation sweep reaches, independent of the mail outcome.
func ComposeSweepSummary(session *model.ScanSession) Message {
	return Message{
		Subject: "Scan Summary",
		Lines: []string{
			fmt.Sprintf("Upload repository: %s processed. Total vulnerabilities found: %d",
				session.RepositoryName, session.VulnerabilityCount),
		},
	}
}

func fileProgressLines(files []model.DependencyFile) []string {
	if len(files) == 0 {
		return []string{"File Progress: No files being processed"}
	}

	lines := make([]string, 0, len(files)+1)
	lines = append(lines, "File Progress:")
	for _, file := range files {
		lines = append(lines, fmt.Sprintf("- %s: %d vulnerabilities found (%d%% complete)",
			file.Filename, file.VulnerabilitiesFound, file.Progress))
	}
	return lines
}
