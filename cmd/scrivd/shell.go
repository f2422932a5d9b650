package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"pkt.systems/pslog"
	"pkt.systems/scrivd"
	"pkt.systems/scrivd/client"
)

func newShellCommand(logger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Interactive client shell",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig(logger)
			if strings.TrimSpace(cfg.Username) == "" {
				return fmt.Errorf("shell: --user is required")
			}
			if strings.TrimSpace(cfg.NMAddr) == "" {
				return fmt.Errorf("shell: --nm-addr is required")
			}
			c, err := client.Connect(client.Options{
				NMAddr:   cfg.NMAddr,
				Username: cfg.Username,
				Logger:   logger,
			})
			if err != nil {
				return err
			}
			defer c.Close()
			sh := &shell{client: c, out: cmd.OutOrStdout()}
			return sh.repl(cmd.InOrStdin())
		},
	}
	flags := cmd.Flags()
	flags.String("nm-addr", scrivd.DefaultListen, "name server address (host:port)")
	flags.String("user", "", "username to connect as")
	return cmd
}

type shell struct {
	client *client.Client
	out    io.Writer
}

func (s *shell) repl(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	fmt.Fprintf(s.out, "connected as %s. Type help for commands.\n", s.client.Username())
	for {
		fmt.Fprint(s.out, "scrivd> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "quit", "exit":
			return nil
		case "help":
			s.printHelp()
			continue
		}
		if err := s.exec(fields); err != nil {
			fmt.Fprintf(s.out, "error: %s\n", err)
		}
	}
}

func (s *shell) exec(args []string) error {
	switch args[0] {
	case "file":
		return s.fileCmd(args[1:])
	case "edit":
		return s.editCmd(args[1:])
	case "folder":
		return s.folderCmd(args[1:])
	case "version":
		return s.versionCmd(args[1:])
	case "access":
		return s.accessCmd(args[1:])
	case "user":
		if len(args) == 2 && args[1] == "list" {
			out, err := s.client.ListUsers()
			if err != nil {
				return err
			}
			s.printLines(out)
			return nil
		}
		return fmt.Errorf("usage: user list")
	default:
		return fmt.Errorf("unknown command %q, try help", args[0])
	}
}

func (s *shell) fileCmd(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: file {create|delete|read|info|list|move|stream|exec}")
	}
	verb, rest := args[0], args[1:]
	switch verb {
	case "create":
		if len(rest) < 1 {
			return fmt.Errorf("usage: file create <name> [content...]")
		}
		content := strings.Join(rest[1:], " ")
		return s.client.Create(rest[0], "", []byte(content))
	case "delete":
		if len(rest) != 1 {
			return fmt.Errorf("usage: file delete <name>")
		}
		return s.client.Delete(rest[0])
	case "read":
		if len(rest) != 1 {
			return fmt.Errorf("usage: file read <name>")
		}
		data, err := s.client.Read(rest[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "%s\n", data)
		return nil
	case "info":
		if len(rest) != 1 {
			return fmt.Errorf("usage: file info <name>")
		}
		info, err := s.client.Info(rest[0])
		if err != nil {
			return err
		}
		s.printInfo(info)
		return nil
	case "list":
		all, long := false, false
		for _, flag := range rest {
			switch flag {
			case "-a":
				all = true
			case "-l":
				long = true
			case "-al", "-la":
				all, long = true, true
			default:
				return fmt.Errorf("usage: file list [-a] [-l]")
			}
		}
		listing, err := s.client.View(all, long)
		if err != nil {
			return err
		}
		if !long {
			s.printLines(listing)
			return nil
		}
		for _, line := range strings.Split(listing, "\n") {
			if line == "" {
				continue
			}
			parts := strings.Split(line, "\t")
			if len(parts) != 5 {
				fmt.Fprintln(s.out, line)
				continue
			}
			size, _ := strconv.ParseUint(parts[3], 10, 64)
			mtime, _ := strconv.ParseInt(parts[4], 10, 64)
			fmt.Fprintf(s.out, "%-32s %-12s %10s  %s\n",
				parts[0], parts[1], humanize.Bytes(size), humanize.Time(time.Unix(mtime, 0)))
		}
		return nil
	case "move":
		if len(rest) != 2 {
			return fmt.Errorf("usage: file move <name> <folder>")
		}
		return s.client.Move(rest[0], rest[1])
	case "stream":
		if len(rest) != 1 {
			return fmt.Errorf("usage: file stream <name>")
		}
		err := s.client.Stream(rest[0], func(word string) error {
			fmt.Fprintf(s.out, "%s ", word)
			return nil
		})
		fmt.Fprintln(s.out)
		return err
	case "exec":
		if len(rest) != 1 {
			return fmt.Errorf("usage: file exec <name>")
		}
		out, err := s.client.Exec(rest[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "%s", out)
		return nil
	default:
		return fmt.Errorf("unknown file verb %q", verb)
	}
}

func (s *shell) editCmd(args []string) error {
	if len(args) >= 2 && args[0] == "undo" {
		return s.client.Undo(args[1])
	}
	if len(args) < 3 {
		return fmt.Errorf("usage: edit <file> <sentence_idx> <text...> | edit <file> <sentence_idx> -w <word_idx> <word> | edit undo <file>")
	}
	file := args[0]
	sentence, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("bad sentence index %q", args[1])
	}
	session, err := s.client.Edit(file, sentence)
	if err != nil {
		return err
	}
	if args[2] == "-w" {
		if len(args) < 5 {
			session.Abort()
			return fmt.Errorf("usage: edit <file> <sentence_idx> -w <word_idx> <word>")
		}
		word, err := strconv.Atoi(args[3])
		if err != nil {
			session.Abort()
			return fmt.Errorf("bad word index %q", args[3])
		}
		if err := session.ReplaceWord(word, args[4]); err != nil {
			session.Abort()
			return err
		}
		return session.Commit()
	}
	if err := session.ReplaceSentence(strings.Join(args[2:], " ")); err != nil {
		session.Abort()
		return err
	}
	return session.Commit()
}

func (s *shell) folderCmd(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: folder {create|view} [path]")
	}
	switch args[0] {
	case "create":
		if len(args) != 2 {
			return fmt.Errorf("usage: folder create <path>")
		}
		return s.client.CreateFolder(args[1])
	case "view":
		path := ""
		if len(args) == 2 {
			path = args[1]
		}
		listing, err := s.client.ViewFolder(path)
		if err != nil {
			return err
		}
		for _, line := range strings.Split(listing, "\n") {
			if line == "" {
				continue
			}
			parts := strings.Split(line, "\t")
			if parts[0] == "d" && len(parts) == 2 {
				fmt.Fprintf(s.out, "%s/\n", parts[1])
			} else if parts[0] == "f" && len(parts) == 5 {
				size, _ := strconv.ParseUint(parts[3], 10, 64)
				mtime, _ := strconv.ParseInt(parts[4], 10, 64)
				fmt.Fprintf(s.out, "%-32s %-12s %10s  %s\n",
					parts[1], parts[2], humanize.Bytes(size), humanize.Time(time.Unix(mtime, 0)))
			} else {
				fmt.Fprintln(s.out, line)
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown folder verb %q", args[0])
	}
}

func (s *shell) versionCmd(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: version {create|view|revert|list} <file> [tag]")
	}
	verb, rest := args[0], args[1:]
	switch verb {
	case "create":
		if len(rest) != 2 {
			return fmt.Errorf("usage: version create <file> <tag>")
		}
		return s.client.Checkpoint(rest[0], rest[1])
	case "view":
		if len(rest) != 2 {
			return fmt.Errorf("usage: version view <file> <tag>")
		}
		data, err := s.client.ViewCheckpoint(rest[0], rest[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "%s\n", data)
		return nil
	case "revert":
		if len(rest) != 2 {
			return fmt.Errorf("usage: version revert <file> <tag>")
		}
		return s.client.Revert(rest[0], rest[1])
	case "list":
		if len(rest) != 1 {
			return fmt.Errorf("usage: version list <file>")
		}
		listing, err := s.client.ListCheckpoints(rest[0])
		if err != nil {
			return err
		}
		for _, line := range strings.Split(listing, "\n") {
			if line == "" {
				continue
			}
			parts := strings.Split(line, "\t")
			if len(parts) == 2 {
				ts, _ := strconv.ParseInt(parts[1], 10, 64)
				fmt.Fprintf(s.out, "%-24s %s\n", parts[0], humanize.Time(time.Unix(ts, 0)))
			} else {
				fmt.Fprintln(s.out, line)
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown version verb %q", verb)
	}
}

func (s *shell) accessCmd(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: access {grant|revoke|request|requests|approve|deny}")
	}
	verb, rest := args[0], args[1:]
	read, write := false, false
	var plain []string
	for _, a := range rest {
		switch a {
		case "-R":
			read = true
		case "-W":
			write = true
		case "-RW", "-WR":
			read, write = true, true
		default:
			plain = append(plain, a)
		}
	}
	switch verb {
	case "grant":
		if len(plain) != 2 {
			return fmt.Errorf("usage: access grant <file> <user> [-R] [-W]")
		}
		if !read && !write {
			read = true
		}
		return s.client.Grant(plain[0], plain[1], read, write)
	case "revoke":
		if len(plain) != 2 {
			return fmt.Errorf("usage: access revoke <file> <user>")
		}
		return s.client.Revoke(plain[0], plain[1])
	case "request":
		if len(plain) != 1 {
			return fmt.Errorf("usage: access request <file> [-R] [-W]")
		}
		if !read && !write {
			read = true
		}
		return s.client.RequestAccess(plain[0], read, write)
	case "requests":
		out, err := s.client.ViewRequests()
		if err != nil {
			return err
		}
		s.printLines(out)
		return nil
	case "approve":
		if len(plain) != 2 {
			return fmt.Errorf("usage: access approve <file> <requester>")
		}
		return s.client.Approve(plain[0], plain[1])
	case "deny":
		if len(plain) != 2 {
			return fmt.Errorf("usage: access deny <file> <requester>")
		}
		return s.client.Deny(plain[0], plain[1])
	default:
		return fmt.Errorf("unknown access verb %q", verb)
	}
}

func (s *shell) printLines(listing string) {
	for _, line := range strings.Split(listing, "\n") {
		if line != "" {
			fmt.Fprintln(s.out, line)
		}
	}
}

func (s *shell) printInfo(info string) {
	for _, line := range strings.Split(info, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch key {
		case "created", "modified", "accessed":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err == nil && ts > 0 {
				value = fmt.Sprintf("%s (%s)", time.Unix(ts, 0).Format(time.RFC3339), humanize.Time(time.Unix(ts, 0)))
			}
		case "size":
			n, err := strconv.ParseUint(value, 10, 64)
			if err == nil {
				value = humanize.Bytes(n)
			}
		}
		fmt.Fprintf(s.out, "%-10s %s\n", key, value)
	}
}

func (s *shell) printHelp() {
	fmt.Fprint(s.out, `commands:
  file create <name> [content...]      create a file
  file delete <name>                   delete a file (owner only)
  file read <name>                     print file content
  file info <name>                     show file metadata
  file list [-a] [-l]                  list readable files
  file move <name> <folder>            move a file into a folder
  file stream <name>                   stream file word by word
  file exec <name>                     run the file through a subshell
  edit <file> <idx> <text...>          replace sentence idx
  edit <file> <idx> -w <w> <word>      replace word w of sentence idx
  edit undo <file>                     undo the last committed session
  folder create <path>                 create a folder
  folder view [path]                   list a folder
  version create <file> <tag>          checkpoint the file
  version view <file> <tag>            print a checkpoint
  version revert <file> <tag>          restore a checkpoint
  version list <file>                  list checkpoints
  access grant <file> <user> [-R][-W]  grant access (owner only)
  access revoke <file> <user>          revoke access (owner only)
  access request <file> [-R][-W]       request access from the owner
  access requests                      list pending requests on your files
  access approve <file> <requester>    approve a pending request
  access deny <file> <requester>       deny a pending request
  user list                            list known users
  help                                 this text
  quit | exit                          leave the shell
`)
}
