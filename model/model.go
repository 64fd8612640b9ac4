// Package model holds the types shared by the CLI, the HTTP surface and
// the runner.
package model

// FolderNode is a node of a folder tree as presented to a user selecting
// what to import. Archive trees use positional ids: the root is "0" and a
// child is "<parent id>_<index>".
type FolderNode struct {
	ID       string       `json:"id"`
	Text     string       `json:"text"`
	Children []FolderNode `json:"children,omitempty"`
}

// ImportRequest selects an archive folder and the target folder it is
// imported into.
type ImportRequest struct {
	ArchiveFile    string `json:"archiveFile"`
	Mailbox        string `json:"mailbox"`
	SourceFolderID string `json:"sourceFolderId"`
	TargetFolderID string `json:"targetFolderId"`
}
