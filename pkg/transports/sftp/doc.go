// Package sftp mirrors experiment directories to a remote host over SFTP.
//
// Connections are configured from sftp:// URIs:
//
//	sftp://lab@storage.example.com:2222/srv/experiments?key=/home/lab/.ssh/id_ed25519
//
// Host keys are checked against ~/.ssh/known_hosts unless insecure=true is
// given.
package sftp
