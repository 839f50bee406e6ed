package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// Updater refreshes the backend's sources in dir. Progress lines are passed
// to out as they are produced.
type Updater interface {
	Update(ctx context.Context, dir string, out func(line string)) error
}

// UpdaterFunc adapts a function to Updater.
type UpdaterFunc func(ctx context.Context, dir string, out func(line string)) error

func (f UpdaterFunc) Update(ctx context.Context, dir string, out func(line string)) error {
	return f(ctx, dir, out)
}

// GitUpdater runs "git pull" in the install directory.
type GitUpdater struct {
	// Git is the git binary; "git" when empty.
	Git  string
	Args []string
}

func (g GitUpdater) Update(ctx context.Context, dir string, out func(line string)) error {
	bin := g.Git
	if bin == "" {
		bin = "git"
	}
	args := g.Args
	if len(args) == 0 {
		args = []string{"pull"}
	}

	pr, pw := io.Pipe()
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		return fmt.Errorf("starting %s %s: %w", bin, strings.Join(args, " "), err)
	}

	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		sc := bufio.NewScanner(pr)
		for sc.Scan() {
			if out != nil {
				out(sc.Text())
			}
		}
		io.Copy(io.Discard, pr)
	}()

	err := cmd.Wait()
	pw.Close()
	<-scanned

	if err != nil {
		return fmt.Errorf("%s %s in %s: %w", bin, strings.Join(args, " "), dir, err)
	}
	return nil
}
