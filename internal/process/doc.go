// Package process runs a child process and watches it end.
//
// It is used to run device servers out of process: the child is started
// in its own process group with any extra file descriptors the caller
// hands over, its output is logged line by line, and Stop terminates the
// whole group, escalating from SIGTERM to SIGKILL.
//
// Example usage:
//
//	mgr := process.NewManager(process.Config{
//	    Name:            "PowerSupply/test",
//	    Binary:          exe,
//	    Args:            []string{"PowerSupply", "test", "-ORBendPoint", "giop:tcp:127.0.0.1:0"},
//	    ExtraFiles:      []*os.File{reportWriter},
//	    GracefulTimeout: 5 * time.Second,
//	})
//
//	if err := mgr.Start(ctx); err != nil {
//	    return err
//	}
//	defer mgr.Stop()
package process
