/*
	Copyright NetFoundry Inc.

	Licensed under the Apache License, Version 2.0 (the "License");
	you may not use this file except in compliance with the License.
	You may obtain a copy of the License at

	https://www.apache.org/licenses/LICENSE-2.0

	Unless required by applicable law or agreed to in writing, software
	distributed under the License is distributed on an "AS IS" BASIS,
	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
	See the License for the specific language governing permissions and
	limitations under the License.
*/


package xserve

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/michaelquigley/pfxlog"
	"github.com/pkg/errors"
)

// CommandFile feeds commands appended to a file, one per line, to a Controller. Lines already present when
// watching starts are skipped. Truncating or replacing the file starts over at its beginning.
type CommandFile struct {
	path       string
	controller *Controller
	offset     int64
	partial    string
}

func NewCommandFile(path string, controller *Controller) *CommandFile {
	return &CommandFile{
		path:       filepath.Clean(path),
		controller: controller,
	}
}

// Watch blocks until ctx is done or a stop command completed. The file is created when it does not exist.
func (file *CommandFile) Watch(ctx context.Context) error {
	logger := pfxlog.Logger().WithField("commandFile", file.path)

	f, err := os.OpenFile(file.path, os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return errors.Wrapf(err, "could not open command file [%s]", file.path)
	}
	info, err := f.Stat()
	_ = f.Close()
	if err != nil {
		return errors.Wrapf(err, "could not stat command file [%s]", file.path)
	}
	file.offset = info.Size()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "could not create file watcher")
	}
	defer func() { _ = watcher.Close() }()

	// watch the directory so replacing the file is seen as well
	if err = watcher.Add(filepath.Dir(file.path)); err != nil {
		return errors.Wrapf(err, "could not watch directory of command file [%s]", file.path)
	}

	logger.Info("watching command file")

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != file.path {
				continue
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				file.offset = 0
				file.partial = ""
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			lines, err := file.readLines()
			if err != nil {
				logger.Warnf("could not read command file: %v", err)
				continue
			}
			for _, line := range lines {
				if _, err := file.controller.ExecuteLine(ctx, line); err != nil {
					logger.Errorf("command [%s] failed: %v", line, err)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warnf("file watcher error: %v", err)
		case <-file.controller.Stopped():
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// readLines returns the complete, non-blank lines written since the last read
func (file *CommandFile) readLines() ([]string, error) {
	f, err := os.Open(file.path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < file.offset {
		file.offset = 0
		file.partial = ""
	}

	if _, err = f.Seek(file.offset, io.SeekStart); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	file.offset += int64(len(data))

	return file.splitLines(string(data)), nil
}

func (file *CommandFile) splitLines(data string) []string {
	data = file.partial + data
	file.partial = ""

	if !strings.HasSuffix(data, "\n") {
		if idx := strings.LastIndex(data, "\n"); idx >= 0 {
			file.partial = data[idx+1:]
			data = data[:idx+1]
		} else {
			file.partial = data
			return nil
		}
	}

	var lines []string
	scanner := bufio.NewScanner(strings.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}
