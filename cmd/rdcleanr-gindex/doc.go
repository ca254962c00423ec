/*Command rdcleanr-gindex reads a .bam file and writes a .gbai index
  file suitable for rdcleanr's -index flag.  rdcleanr-gindex expects
  the bam file to arrive on stdin, and writes to stdout.  The
  --shard-size parameter is the approximate shard size in bytes.

  Usage: cat foo.bam | rdcleanr-gindex --shard-size=65536 > foo.bam.gbai
*/
package main
