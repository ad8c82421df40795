//go:build unix

package repository_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/okian/lookout/internal/adapters/repository"
	. "github.com/smartystreets/goconvey/convey"
	"golang.org/x/sys/unix"
)

func TestFileStoreDirectoryLock(t *testing.T) {
	Convey("Given two file stores opened on one directory", t, func() {
		ctx := context.Background()
		dir := t.TempDir()
		first, err := repository.NewFileStore(dir)
		So(err, ShouldBeNil)
		second, err := repository.NewFileStore(dir)
		So(err, ShouldBeNil)

		Convey("When both append overlapping windows at once", func() {
			stores := []*repository.FileStore{first, second}
			errs := make([]error, 16)
			var wg sync.WaitGroup
			for i := range errs {
				wg.Add(1)
				go func() {
					defer wg.Done()
					start := time.Duration(i) * time.Minute
					errs[i] = stores[i%2].AppendCompact(ctx, compact("w", start-time.Hour, start+time.Hour))
				}()
			}
			wg.Wait()

			Convey("Then exactly one window is stored", func() {
				ok := 0
				for _, err := range errs {
					if err == nil {
						ok++
						continue
					}
					So(errors.Is(err, repository.ErrDuplicateWindow), ShouldBeTrue)
				}
				So(ok, ShouldEqual, 1)
				got, err := collect(first.ListCompact(ctx, time.Time{}, time.Time{}))
				So(err, ShouldBeNil)
				So(got, ShouldHaveLength, 1)
			})
		})

		Convey("When another process holds the directory lock", func() {
			f, err := os.OpenFile(filepath.Join(dir, ".lock"), os.O_CREATE|os.O_RDWR, 0o644)
			So(err, ShouldBeNil)
			defer f.Close()
			So(unix.Flock(int(f.Fd()), unix.LOCK_EX), ShouldBeNil)

			done := make(chan error, 1)
			go func() { done <- first.AppendCompact(ctx, compact("w", -time.Hour, 0)) }()

			Convey("Then the append waits for it to be released", func() {
				blocked := true
				select {
				case <-done:
					blocked = false
				case <-time.After(100 * time.Millisecond):
				}
				So(blocked, ShouldBeTrue)
				So(unix.Flock(int(f.Fd()), unix.LOCK_UN), ShouldBeNil)
				if blocked {
					So(<-done, ShouldBeNil)
				}
			})
		})
	})
}
