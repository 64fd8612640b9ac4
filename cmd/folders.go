package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/archive-to-mailbox/config"
	"github.com/dhcgn/archive-to-mailbox/model"
	"github.com/dhcgn/archive-to-mailbox/runner"
)

func newListCommand(opts []runner.Option) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the archives in the storage directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd, config.ModeList, opts...)
			if err != nil {
				return err
			}
			defer a.close()

			files, err := a.runner.ListArchiveFiles()
			if err != nil {
				return err
			}
			for _, f := range files {
				fmt.Fprintln(cmd.OutOrStdout(), f)
			}
			return nil
		},
	}
}

func newAnalyzeCommand(opts []runner.Option) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Show the folder tree of an archive with the ids accepted by --source-folder",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd, config.ModeAnalyze, opts...)
			if err != nil {
				return err
			}
			defer a.close()

			tree, err := a.runner.AnalyzeArchive(a.cfg.ArchiveFile)
			if err != nil {
				return err
			}
			if err := printTree(cmd.OutOrStdout(), tree, asJSON); err != nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the tree as JSON")
	return cmd
}

func newTargetFoldersCommand(opts []runner.Option) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "target-folders",
		Short: "Show the folder tree of the target mailbox with the ids accepted by --target-folder",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd, config.ModeTargetFolders, opts...)
			if err != nil {
				return err
			}
			defer a.close()

			folders, err := a.runner.TargetFolders(cmd.Context(), a.cfg.Mailbox)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), folders)
			}
			root := model.FolderNode{Text: a.cfg.Mailbox, Children: folders}
			if err := printTree(cmd.OutOrStdout(), root, false); err != nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the folders as JSON")
	return cmd
}

func printTree(w io.Writer, root model.FolderNode, asJSON bool) error {
	if asJSON {
		return writeJSON(w, root)
	}
	out, err := pterm.DefaultTree.WithRoot(treeNode(root)).Srender()
	if err != nil {
		return fmt.Errorf("render tree: %w", err)
	}
	_, err = fmt.Fprint(w, out)
	return err
}

func treeNode(n model.FolderNode) pterm.TreeNode {
	text := n.Text
	if n.ID != "" {
		text = fmt.Sprintf("%s [%s]", n.Text, n.ID)
	}
	node := pterm.TreeNode{Text: text}
	for _, c := range n.Children {
		node.Children = append(node.Children, treeNode(c))
	}
	return node
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
