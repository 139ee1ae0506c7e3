package ioconn

import (
	"io"
	"net"
	"testing"
	"time"
)

func TestNextLineStripsCRLF(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		client.Write([]byte("HELO foo\r\n"))
	}()

	c := New(server, false)
	line, err := c.NextLine(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if line != "HELO foo" {
		t.Errorf("line = %q", line)
	}
}

func TestNextLineTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := New(server, false)
	_, err := c.NextLine(10 * time.Millisecond)
	if err != ErrTimeout {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
}

func TestNextLineEOF(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	client.Close()

	c := New(server, false)
	_, err := c.NextLine(time.Second)
	if err != io.EOF {
		t.Errorf("err = %v, want io.EOF", err)
	}
}

func TestReadDataSegmentDotUnstuffing(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		client.Write([]byte("line one\r\n..stuffed dot\r\n.\r\n"))
	}()

	c := New(server, false)
	data, err := c.ReadDataSegment(time.Second, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	want := "line one\r\n.stuffed dot\r\n"
	if string(data) != want {
		t.Errorf("data = %q, want %q", data, want)
	}
}

func TestReadDataSegmentTooLarge(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		client.Write([]byte("this line is too long for the cap\r\n.\r\n"))
	}()

	c := New(server, false)
	_, err := c.ReadDataSegment(time.Second, 5)
	if err != ErrTooLarge {
		t.Errorf("err = %v, want ErrTooLarge", err)
	}
}

func TestUpgradeTLSAlreadySecuredFails(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := New(server, true)
	err := c.UpgradeTLS(nil)
	if err != ErrAlreadySecured {
		t.Errorf("err = %v, want ErrAlreadySecured", err)
	}
}
