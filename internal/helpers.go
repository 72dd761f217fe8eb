// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package internal

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/hoxca/skystack/internal/logging"
)

// Turn filename wildcards into list of frame image files
func GlobFilenameWildcards(args []string) []string {
	fileNames := []string{}
	if args == nil {
		return fileNames
	}

	for _, pattern := range args {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			logging.Fatal(err)
		}
		fileNames = append(fileNames, matches...)
	}
	return fileNames
}

var bandRegexp = regexp.MustCompile(`-w([1-4])-`)

// Band encoded in a frame file name like 01234a123-w2-int-1b.fits, or def if none
func BandFromFileName(fileName string, def int) int {
	m := bandRegexp.FindStringSubmatch(filepath.Base(fileName))
	if m == nil {
		return def
	}
	b, _ := strconv.Atoi(m[1])
	return b
}

func fileExists(fileName string) bool {
	_, err := os.Stat(fileName)
	return err == nil
}
