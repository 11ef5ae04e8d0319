//go:build linux

package resource

import (
	"os"
	"os/exec"
	"testing"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

const rlimitChildEnv = "WARDEN_RLIMIT_CHILD"

// The limit is applied in a child process so the test binary keeps its own.
func TestSetMemoryLimitIsHardCeiling(t *testing.T) {
	const limit = uint64(64) << 30

	if os.Getenv(rlimitChildEnv) == "1" {
		var before unix.Rlimit
		if err := unix.Getrlimit(unix.RLIMIT_AS, &before); err != nil {
			t.Fatal(err)
		}
		if before.Max != ^uint64(0) && before.Max < limit {
			t.Skipf("hard limit already %d", before.Max)
		}
		if self, err := procfs.Self(); err == nil {
			if st, err := self.NewStatus(); err == nil && st.VmSize > limit/2 {
				t.Skipf("address space already %d bytes", st.VmSize)
			}
		}
		if err := NewOSEnforcer().SetMemoryLimit(limit); err != nil {
			t.Fatalf("SetMemoryLimit: %v", err)
		}
		var after unix.Rlimit
		if err := unix.Getrlimit(unix.RLIMIT_AS, &after); err != nil {
			t.Fatal(err)
		}
		if after.Cur != limit || after.Max != limit {
			t.Fatalf("rlimit = %+v, want soft and hard %d", after, limit)
		}
		if os.Geteuid() != 0 {
			raise := unix.Rlimit{Cur: limit * 2, Max: limit * 2}
			if err := unix.Setrlimit(unix.RLIMIT_AS, &raise); err == nil {
				t.Fatal("unprivileged process raised its hard limit")
			}
			if err := NewOSEnforcer().SetMemoryLimit(limit * 2); err == nil {
				t.Fatal("SetMemoryLimit raised the ceiling without privileges")
			}
		}
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=^TestSetMemoryLimitIsHardCeiling$", "-test.v")
	cmd.Env = append(os.Environ(), rlimitChildEnv+"=1")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("child: %v\n%s", err, out)
	}
}

func TestSetMemoryLimitRejectsZero(t *testing.T) {
	if err := NewOSEnforcer().SetMemoryLimit(0); err == nil {
		t.Fatal("zero limit accepted")
	}
}
