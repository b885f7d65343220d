package fetch

import "testing"

func TestIsMediaURL(t *testing.T) {
	valid := []string{
		"https://www.youtube.com/watch?v=Z-RUXs5YOyE",
		"http://youtube.com/watch?v=abc123xyz_-",
		"youtu.be/abc123xyz_-",
		"https://www.youtube.com/shorts/abc123xyz_-",
		"https://www.youtube.com/embed/abc123xyz_-",
	}
	for _, url := range valid {
		if !IsMediaURL(url) {
			t.Fatalf("expected %q to be a media URL", url)
		}
	}

	invalid := []string{
		"",
		"lecture.wav",
		"/data/audio/lecture.mp4",
		"https://example.com/watch?v=abc",
		"ftp://youtube.com/watch?v=abc",
	}
	for _, url := range invalid {
		if IsMediaURL(url) {
			t.Fatalf("expected %q not to be a media URL", url)
		}
	}
}

func TestNewExecDownloaderRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecDownloader(""); err == nil {
		t.Fatal("expected error for empty command")
	}
}
