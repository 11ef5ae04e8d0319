//go:build !linux

package trash

func renameNoReplace(src, dst string) error {
	return renameReserved(src, dst)
}
