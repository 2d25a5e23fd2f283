/*
Package terminal runs a single process attached to a pseudo-terminal and streams its output.

A Terminal moves through NotStarted -> Running -> Stopped, and Stopped is final. Output is read from the pty master in bounded chunks and handed to the Output callback verbatim; chunk boundaries don't line up with lines.

The output loop ends when the pty reports end-of-stream (EIO once every holder of the slave side is gone), when the terminal is stopped, or when the process has exited and the pty has stayed silent for DrainTimeout. In every case Done is closed exactly once, after the last Output call.
*/
package terminal
