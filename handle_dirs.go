// Package ftpserver provides all the tools to build your own FTP server: The core library and the driver.
package ftpserver

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/flowline-sh/ftpserver/ftppath"
)

func (c *clientHandler) absPath(p string) string {
	return ftppath.WithCwd(c.Path(), p)
}

func (c *clientHandler) handleCWD(param string) error {
	p := c.absPath(param)

	if info, err := c.driver.Stat(p); err != nil {
		c.writeMessage(StatusActionNotTaken, fmt.Sprintf("CD issue: %v", err))
	} else if !info.IsDir() {
		c.writeMessage(StatusActionNotTaken, fmt.Sprintf("Can't change directory to %s: Not a Directory", p))
	} else {
		c.SetPath(p)
		c.writeMessage(StatusFileOK, fmt.Sprintf("CD worked on %s", p))
	}

	return nil
}

func (c *clientHandler) handleMKD(param string) error {
	p := c.absPath(param)
	if err := c.driver.Mkdir(p, 0755); err == nil {
		// RFC 959, page 63: a pathname embedded in a 257 reply is quote-doubled.
		c.writeMessage(StatusPathCreated, fmt.Sprintf(`Created dir "%s"`, ftppath.PathEscape(p)))
	} else {
		c.writeMessage(StatusActionNotTaken, fmt.Sprintf(`Could not create "%s" : %v`, ftppath.PathEscape(p), err))
	}

	return nil
}

func (c *clientHandler) handleRMD(param string) error {
	var err error

	p := c.absPath(param)

	if rmd, ok := c.driver.(ClientDriverExtensionRemoveDir); ok {
		err = rmd.RemoveDir(p)
	} else {
		err = c.driver.Remove(p)
	}

	if err == nil {
		c.writeMessage(StatusFileOK, fmt.Sprintf("Deleted dir %s", p))
	} else {
		c.writeMessage(StatusActionNotTaken, fmt.Sprintf("Could not delete dir %s: %v", p, err))
	}

	return nil
}

func (c *clientHandler) handleCDUP(param string) error {
	parent := ftppath.WithCwd(c.Path(), "..")

	if _, err := c.driver.Stat(parent); err == nil {
		c.SetPath(parent)
		c.writeMessage(StatusFileOK, fmt.Sprintf("CDUP worked on %s", parent))
	} else {
		c.writeMessage(StatusActionNotTaken, fmt.Sprintf("CDUP issue: %v", err))
	}

	return nil
}

func (c *clientHandler) handlePWD(param string) error {
	c.writeMessage(StatusPathCreated, fmt.Sprintf(`"%s" is the current directory`, ftppath.PathEscape(c.Path())))
	return nil
}

func (c *clientHandler) handleLIST(param string) error {
	listArg := param
	if !c.server.settings.DisableLISTArgs && ftppath.HasListOption(listArg) {
		listArg = ftppath.StripOptions(listArg)
	}

	if files, err := c.getFileList(listArg); err == nil || err == io.EOF {
		if tr, errTr := c.TransferOpen(fmt.Sprintf("LIST %s", param)); errTr == nil {
			err = c.dirTransferLIST(tr, files)
			c.TransferClose(err)

			return err
		}
	} else {
		c.writeMessage(StatusActionNotTaken, fmt.Sprintf("Could not list: %v", err))
	}

	return nil
}

func (c *clientHandler) handleNLST(param string) error {
	if files, err := c.getFileList(param); err == nil || err == io.EOF {
		if tr, errTrOpen := c.TransferOpen(fmt.Sprintf("NLST %s", param)); errTrOpen == nil {
			err = c.dirTransferNLST(tr, files)
			c.TransferClose(err)

			return err
		}
	} else {
		c.writeMessage(StatusFileActionNotTaken, fmt.Sprintf("Could not list: %v", err))
	}

	return nil
}

func (c *clientHandler) dirTransferNLST(w io.Writer, files []os.FileInfo) error {
	if len(files) == 0 {
		_, err := w.Write([]byte(""))
		return err
	}

	for _, file := range files {
		if _, err := fmt.Fprintf(w, "%s\r\n", file.Name()); err != nil {
			return err
		}
	}

	return nil
}

func (c *clientHandler) handleMLSD(param string) error {
	if c.server.settings.DisableMLSD {
		c.writeMessage(StatusSyntaxErrorNotRecognised, "MLSD has been disabled")
		return nil
	}

	if info, err := c.driver.Stat(c.absPath(param)); err == nil && !info.IsDir() {
		c.writeMessage(StatusActionNotTaken, fmt.Sprintf("%s is not a directory", c.absPath(param)))
		return nil
	}

	if files, err := c.getFileList(param); err == nil || err == io.EOF {
		if tr, errTr := c.TransferOpen(fmt.Sprintf("MLSD %s", param)); errTr == nil {
			err = c.dirTransferMLSD(tr, files)
			c.TransferClose(err)

			return err
		}
	} else {
		c.writeMessage(StatusActionNotTaken, fmt.Sprintf("Could not list: %v", err))
	}

	return nil
}

const (
	dateFormatStatTime      = "Jan _2 15:04"          // LIST date formatting with hour and minute
	dateFormatStatYear      = "Jan _2  2006"          // LIST date formatting with year
	dateFormatStatOldSwitch = time.Hour * 24 * 30 * 6 // 6 months ago
	dateFormatMLSD          = "20060102150405"        // MLSD date formatting
)

func (c *clientHandler) fileStat(file os.FileInfo) string {
	modTime := file.ModTime()

	var dateFormat string

	if c.connectedAt.Sub(modTime) > dateFormatStatOldSwitch {
		dateFormat = dateFormatStatYear
	} else {
		dateFormat = dateFormatStatTime
	}

	return fmt.Sprintf(
		"%s 1 ftp ftp %12d %s %s",
		file.Mode(),
		file.Size(),
		file.ModTime().Format(dateFormat),
		file.Name(),
	)
}

func (c *clientHandler) dirTransferLIST(w io.Writer, files []os.FileInfo) error {
	if len(files) == 0 {
		_, err := w.Write([]byte(""))
		return err
	}

	for _, file := range files {
		if _, err := fmt.Fprintf(w, "%s\r\n", c.fileStat(file)); err != nil {
			return err
		}
	}

	return nil
}

func (c *clientHandler) dirTransferMLSD(w io.Writer, files []os.FileInfo) error {
	if len(files) == 0 {
		_, err := w.Write([]byte(""))
		return err
	}

	for _, file := range files {
		if err := c.writeMLSxOutput(w, file); err != nil {
			return err
		}
	}

	return nil
}

func (c *clientHandler) writeMLSxOutput(w io.Writer, file os.FileInfo) error {
	var listType string
	if file.IsDir() {
		listType = "dir"
	} else {
		listType = "file"
	}

	_, err := fmt.Fprintf(
		w,
		"Type=%s;Size=%d;Modify=%s; %s\r\n",
		listType,
		file.Size(),
		file.ModTime().Format(dateFormatMLSD),
		file.Name(),
	)

	return err
}

// nameCollator orders directory listings the way a real shell locale would, rather than by
// raw byte value, so mixed-case and accented names interleave the way a client expects.
var nameCollator = collate.New(language.Und) //nolint:gochecknoglobals

// sortEntries orders files in place. A driver-supplied FilenameSortFunc wins outright; absent
// that, FilenameSortMap only replaces the key fed to the locale-aware collator; absent both,
// entries sort by name the way the collator was already doing.
func sortEntries(files []os.FileInfo, keyFn func(os.FileInfo) string, lessFn func(a, b os.FileInfo) bool) {
	switch {
	case lessFn != nil:
		sort.SliceStable(files, func(i, j int) bool {
			return lessFn(files[i], files[j])
		})
	case keyFn != nil:
		sort.SliceStable(files, func(i, j int) bool {
			return nameCollator.CompareString(keyFn(files[i]), keyFn(files[j])) < 0
		})
	default:
		sort.SliceStable(files, func(i, j int) bool {
			return nameCollator.CompareString(files[i].Name(), files[j].Name()) < 0
		})
	}
}

// filterDotFiles drops every entry whose name starts with "." in place, preserving order.
func filterDotFiles(files []os.FileInfo) []os.FileInfo {
	out := files[:0]

	for _, f := range files {
		if strings.HasPrefix(f.Name(), ".") {
			continue
		}

		out = append(out, f)
	}

	return out
}

// getFileList resolves param (which may contain a single trailing-segment wildcard) against
// the current directory through ftppath.Glob, then applies HideDotFiles/DontSortFilenames/
// FilenameSortMap/FilenameSortFunc the way LIST/NLST/MLSD/STAT all need.
func (c *clientHandler) getFileList(param string) ([]os.FileInfo, error) {
	settings := c.server.settings

	paths, err := ftppath.Glob(context.Background(), c.driver, c.Path(), param, settings.MaxStatsAtOnce)
	if err != nil {
		return nil, err
	}

	var files []os.FileInfo

	if len(paths) == 1 {
		info, errStat := c.driver.Stat(paths[0])
		if errStat != nil {
			return nil, errStat
		}

		if info.IsDir() {
			files, err = c.readDirEntries(paths[0])
			if err != nil {
				return nil, err
			}
		} else {
			files = []os.FileInfo{info}
		}
	} else {
		files = make([]os.FileInfo, 0, len(paths))

		for _, p := range paths {
			if info, errStat := c.driver.Stat(p); errStat == nil {
				files = append(files, info)
			}
		}
	}

	if settings.HideDotFiles {
		files = filterDotFiles(files)
	}

	if !settings.DontSortFilenames {
		sortEntries(files, settings.FilenameSortMap, settings.FilenameSortFunc)
	}

	return files, nil
}

func (c *clientHandler) readDirEntries(directoryPath string) ([]os.FileInfo, error) {
	if fileList, ok := c.driver.(ClientDriverExtensionFileList); ok {
		return fileList.ReadDir(directoryPath)
	}

	directory, errOpenFile := c.driver.Open(directoryPath)
	if errOpenFile != nil {
		return nil, errOpenFile
	}

	defer c.closeDirectory(directoryPath, directory)

	return directory.Readdir(-1)
}

func (c *clientHandler) closeDirectory(directoryPath string, directory afero.File) {
	if errClose := directory.Close(); errClose != nil {
		c.logger.Error("Couldn't close directory", "err", errClose, "directory", directoryPath)
	}
}
