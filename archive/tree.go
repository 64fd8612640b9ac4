package archive

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/dhcgn/archive-to-mailbox/model"
)

// RootID is the positional id of an archive's root folder.
const RootID = "0"

// ListFiles returns the names of the archives stored directly in dir.
func ListFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, dir)
		}
		return nil, fmt.Errorf("list archives: %w", err)
	}
	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if hasExtension(entry.Name()) {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// Analyze returns the folder tree of root with positional ids.
func Analyze(root Folder) (model.FolderNode, error) {
	return analyze(root, RootID)
}

func analyze(f Folder, id string) (model.FolderNode, error) {
	node := model.FolderNode{ID: id, Text: f.DisplayName()}
	if !f.HasChildren() {
		return node, nil
	}
	children, err := f.Children()
	if err != nil {
		return model.FolderNode{}, fmt.Errorf("children of %q: %w", f.DisplayName(), err)
	}
	for i, c := range children {
		child, err := analyze(c, id+"_"+strconv.Itoa(i))
		if err != nil {
			return model.FolderNode{}, err
		}
		node.Children = append(node.Children, child)
	}
	return node, nil
}

// Resolve walks a positional id produced by Analyze down from root.
func Resolve(root Folder, id string) (Folder, error) {
	parts := strings.Split(id, "_")
	if parts[0] != RootID {
		return nil, fmt.Errorf("%w: folder %q", ErrNotFound, id)
	}
	cur := root
	for _, p := range parts[1:] {
		idx, err := strconv.Atoi(p)
		if err != nil || idx < 0 {
			return nil, fmt.Errorf("%w: folder %q", ErrNotFound, id)
		}
		children, err := cur.Children()
		if err != nil {
			return nil, fmt.Errorf("children of %q: %w", cur.DisplayName(), err)
		}
		if idx >= len(children) {
			return nil, fmt.Errorf("%w: folder %q", ErrNotFound, id)
		}
		cur = children[idx]
	}
	return cur, nil
}
