/*
Copyright 2024 Patze, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package sshutils

import (
	"context"
	"io"
	"os"
	"path"

	"github.com/gravitational/trace"
	"github.com/pkg/sftp"

	"github.com/patzehq/patze/lib/defaults"
)

// UploadFile streams a local file to remotePath over SFTP and applies
// mode, creating missing parent directories. Opening the subsystem and
// the transfer itself are bounded separately so a wedged subsystem
// cannot hang an install forever.
func (c *Client) UploadFile(ctx context.Context, localPath, remotePath string, mode os.FileMode) error {
	local, err := os.Open(localPath)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer local.Close()

	sftpClient, err := c.openSFTP(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	defer sftpClient.Close()

	// create failures report the real problem, so a mkdir error here
	// is only worth a debug line
	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := sftpClient.MkdirAll(dir); err != nil {
			c.cfg.Log.WithError(err).Debugf("sftp mkdir %v on %v.", dir, c.Addr())
		}
	}

	remote, err := sftpClient.Create(remotePath)
	if err != nil {
		return trace.ConnectionProblem(err, "sftp create %v on %v failed", remotePath, c.Addr())
	}
	defer remote.Close()

	uploadCtx, cancel := context.WithTimeout(ctx, defaults.SFTPUploadTimeout)
	defer cancel()

	canceler := &cancelWriter{ctx: uploadCtx}
	if _, err := io.Copy(io.MultiWriter(remote, canceler), local); err != nil {
		return trace.ConnectionProblem(err, "sftp upload of %v to %v failed", localPath, c.Addr())
	}
	if err := remote.Close(); err != nil {
		return trace.ConnectionProblem(err, "sftp flush of %v on %v failed", remotePath, c.Addr())
	}
	if err := sftpClient.Chmod(remotePath, mode); err != nil {
		return trace.ConnectionProblem(err, "sftp chmod %v on %v failed", remotePath, c.Addr())
	}
	return nil
}

// openSFTP starts the SFTP subsystem. A host that accepts sessions but
// never answers the subsystem request is the failure mode bounded
// here.
func (c *Client) openSFTP(ctx context.Context) (*sftp.Client, error) {
	type openResult struct {
		client *sftp.Client
		err    error
	}
	openCh := make(chan openResult, 1)
	go func() {
		client, err := sftp.NewClient(c.client,
			sftp.UseConcurrentReads(true),
			sftp.UseConcurrentWrites(true))
		openCh <- openResult{client: client, err: err}
	}()

	select {
	case res := <-openCh:
		if res.err != nil {
			return nil, trace.ConnectionProblem(res.err, "sftp subsystem on %v failed", c.Addr())
		}
		return res.client, nil
	case <-c.cfg.Clock.After(defaults.SFTPOpenTimeout):
	case <-ctx.Done():
	}

	// close the late arrival instead of leaking the subsystem
	go func() {
		if res := <-openCh; res.client != nil {
			res.client.Close()
		}
	}()
	if err := ctx.Err(); err != nil {
		return nil, trace.ConnectionProblem(err, "sftp open on %v interrupted", c.Addr())
	}
	return nil, trace.ConnectionProblem(nil, "sftp open on %v timed out", c.Addr())
}

// cancelWriter fails writes once its context is done. Hooked into the
// upload via io.MultiWriter to bound copies that would otherwise block
// inside the sftp client.
type cancelWriter struct {
	ctx context.Context
}

func (c *cancelWriter) Write(b []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return len(b), nil
}
