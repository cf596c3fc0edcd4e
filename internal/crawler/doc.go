// Package crawler holds the request, response and contract types shared by
// the engine, scheduler, downloader, processor and storage layers.
package crawler
